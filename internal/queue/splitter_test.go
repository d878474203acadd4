package queue

import "testing"

func TestSplitRecipients(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		batchSize int
		want      []BatchRange
	}{
		{
			name: "exact multiple", n: 200, batchSize: 100,
			want: []BatchRange{{0, 0, 100}, {1, 100, 200}},
		},
		{
			name: "remainder batch", n: 250, batchSize: 100,
			want: []BatchRange{{0, 0, 100}, {1, 100, 200}, {2, 200, 250}},
		},
		{
			name: "single undersized batch", n: 7, batchSize: 100,
			want: []BatchRange{{0, 0, 7}},
		},
		{
			name: "batch size one", n: 3, batchSize: 1,
			want: []BatchRange{{0, 0, 1}, {1, 1, 2}, {2, 2, 3}},
		},
		{
			name: "single recipient", n: 1, batchSize: 100,
			want: []BatchRange{{0, 0, 1}},
		},
		{name: "zero recipients", n: 0, batchSize: 100, want: nil},
		{name: "zero batch size", n: 10, batchSize: 0, want: nil},
		{name: "negative batch size", n: 10, batchSize: -5, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitRecipients(tt.n, tt.batchSize)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d batches, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("batch %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitRecipientsCoversAll(t *testing.T) {
	for _, n := range []int{1, 50, 99, 100, 101, 999, 10000} {
		for _, size := range []int{1, 25, 100, 5000} {
			ranges := SplitRecipients(n, size)

			covered := 0
			for i, r := range ranges {
				if r.Index != i {
					t.Fatalf("n=%d size=%d: index %d at position %d", n, size, r.Index, i)
				}
				if r.End-r.Start > size {
					t.Fatalf("n=%d size=%d: batch %d spans %d > batch size", n, size, i, r.End-r.Start)
				}
				if r.Start != covered {
					t.Fatalf("n=%d size=%d: batch %d starts at %d, want %d (gap)", n, size, i, r.Start, covered)
				}
				covered = r.End
			}
			if covered != n {
				t.Fatalf("n=%d size=%d: covered %d recipients", n, size, covered)
			}
		}
	}
}
