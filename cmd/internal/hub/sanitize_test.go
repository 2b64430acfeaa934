package hub

import "testing"

func TestStripMarkup(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "hi bob", want: "hi bob"},
		{in: "<script>alert(1)</script>hi", want: "hi"},
		{in: "<SCRIPT type=\"text/javascript\">evil()</SCRIPT>ok", want: "ok"},
		{in: "<b>bold</b> move", want: "bold move"},
		{in: "a < b and b > c", want: "a  c"},
		{in: "<img src=x onerror=alert(1)>", want: ""},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := stripMarkup(tc.in); got != tc.want {
			t.Fatalf("stripMarkup(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
