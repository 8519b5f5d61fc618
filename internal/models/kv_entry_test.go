package models

import "testing"

func TestKVValueScan(t *testing.T) {
	cases := []struct {
		src  any
		want string
	}{
		{src: []byte(`{"a":1}`), want: `{"a":1}`},
		{src: `"B1"`, want: `"B1"`},
		{src: int64(12), want: `12`},
		{src: float64(2.5), want: `2.5`},
	}
	for _, tc := range cases {
		var v KVValue
		if errScan := v.Scan(tc.src); errScan != nil {
			t.Fatalf("scan %#v: %v", tc.src, errScan)
		}
		if string(v) != tc.want {
			t.Fatalf("scan %#v: expected %s, got %s", tc.src, tc.want, v)
		}
	}

	var v KVValue
	if errScan := v.Scan(true); errScan == nil {
		t.Fatalf("expected error for bool cell")
	}
}
