package agent

import "testing"

func TestIsContextOverflow(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"context length exceeded", true},
		{"Maximum context length is 200000 tokens", true},
		{"prompt is too long for this model", true},
		{"request too large", true},
		{"max_tokens exceeded the model limit", true},
		{"max_tokens: 4096 is invalid", false},
		{"400 bad request: token limit reached", true},
		{"400 Bad Request: invalid field", false},
		{"413 Payload Too Large", true},
		{"n_ctx overflow detected", true},
		{"500 internal server error", false},
		{"plain old bug", false},
	}
	for _, c := range cases {
		if got := IsContextOverflow(testErr{c.msg}); got != c.want {
			t.Errorf("IsContextOverflow(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"429 too many requests", true},
		{"connection reset by peer", true},
		{"503 service unavailable", true},
		{"overloaded, try again", true},
		{"invalid api key", false},
		{"context length exceeded", false}, // overflow wins, never retried
	}
	for _, c := range cases {
		if got := IsRetryable(testErr{c.msg}); got != c.want {
			t.Errorf("IsRetryable(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestOverflowNeverRetryable(t *testing.T) {
	msgs := []string{"context length exceeded", "413 too large", "max_tokens exceeded limit"}
	for _, m := range msgs {
		err := testErr{m}
		if IsContextOverflow(err) && IsRetryable(err) {
			t.Errorf("%q classified as both overflow and retryable", m)
		}
	}
}

type testErr struct{ s string }

func (e testErr) Error() string { return e.s }
