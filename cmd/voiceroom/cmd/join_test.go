package cmd

import "testing"

func TestSignalURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:3001", "ws://127.0.0.1:3001/signal"},
		{"https://relay.example.com", "wss://relay.example.com/signal"},
		{"https://relay.example.com/", "wss://relay.example.com/signal"},
		{"wss://relay.example.com", "wss://relay.example.com/signal"},
		{"http://relay.example.com/api", "ws://relay.example.com/api/signal"},
	}
	for _, tc := range cases {
		got, err := signalURL(tc.in)
		if err != nil {
			t.Fatalf("signalURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("signalURL(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := signalURL("ftp://relay.example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
