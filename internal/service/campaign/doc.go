// Package campaign turns campaigns into send jobs.
//
// The service layer owns the dispatch rules: which statuses may send, how
// the audience is resolved, and the guarded flip to sending that defeats
// double dispatch. It depends on the Repository interface defined here and
// never imports from the HTTP layer.
//
// The Postgres repository implementation lives in repository/postgres.
package campaign
