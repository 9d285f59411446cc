package git

import "testing"

func TestParseNumstat(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want DiffStats
	}{
		{
			name: "empty diff",
			out:  "",
			want: DiffStats{},
		},
		{
			name: "single file",
			out:  "10\t3\tmain.go\n",
			want: DiffStats{FilesChanged: 1, Added: 10, Deleted: 3},
		},
		{
			name: "multiple files",
			out:  "10\t3\tmain.go\n0\t25\told/handler.go\n7\t7\tutil/strings.go\n",
			want: DiffStats{FilesChanged: 3, Added: 17, Deleted: 35},
		},
		{
			name: "binary file counts file only",
			out:  "-\t-\tassets/logo.png\n5\t1\tmain.go\n",
			want: DiffStats{FilesChanged: 2, Added: 5, Deleted: 1},
		},
		{
			name: "renamed path with arrow",
			out:  "4\t4\tinternal/{old => new}/db.go\n",
			want: DiffStats{FilesChanged: 1, Added: 4, Deleted: 4},
		},
		{
			name: "malformed line skipped",
			out:  "garbage\n2\t2\tok.go\n",
			want: DiffStats{FilesChanged: 1, Added: 2, Deleted: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseNumstat(tt.out)
			if got != tt.want {
				t.Errorf("parseNumstat() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
