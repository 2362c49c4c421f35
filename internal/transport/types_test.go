package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsPermanent(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", base, false},
		{"nil", nil, false},
		{"permanent", &SendError{Code: 403, Permanent: true, Err: base}, true},
		{"wrapped permanent", fmt.Errorf("ctx: %w", &SendError{Code: 400, Permanent: true, Err: base}), true},
		{"transient", &SendError{Code: 429, Err: base}, false},
	}
	for _, c := range cases {
		if got := IsPermanent(c.err); got != c.want {
			t.Fatalf("%s: IsPermanent=%v want %v", c.name, got, c.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	for _, code := range []int{400, 401, 403, 404} {
		if !ClassifyStatus(code) {
			t.Fatalf("%d should be permanent", code)
		}
	}
	for _, code := range []int{0, 429, 500, 502, 503} {
		if ClassifyStatus(code) {
			t.Fatalf("%d should be transient", code)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("x: %w", &SendError{Code: 429, RetryAfter: 3 * time.Second, Err: errors.New("flood")})
	if got := RetryAfter(err); got != 3*time.Second {
		t.Fatalf("RetryAfter=%v", got)
	}
	if RetryAfter(errors.New("x")) != 0 {
		t.Fatalf("unclassified error should carry no hint")
	}
}
