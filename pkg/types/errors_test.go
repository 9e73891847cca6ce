package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorRetryableDefaults(t *testing.T) {
	t.Parallel()

	if !E(KindNetworkError, "conn reset").Retryable {
		t.Error("NetworkError must default retryable")
	}
	if !E(KindTimeout, "deadline").Retryable {
		t.Error("Timeout must default retryable")
	}
	if E(KindInsufficientFunds, "no funds").Retryable {
		t.Error("InsufficientFunds must not be retryable")
	}
	if E(KindInvalidOrder, "bad qty").Retryable {
		t.Error("InvalidOrder must not be retryable")
	}
}

func TestErrorWrapAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("dial tcp: refused")
	err := E(KindNetworkError, "quote fetch failed").Wrap(cause).WithBroker("zerodha")

	if !errors.Is(err, cause) {
		t.Error("wrapped cause must satisfy errors.Is")
	}
	if err.BrokerID != "zerodha" {
		t.Errorf("broker id = %q, want zerodha", err.BrokerID)
	}
	if got := err.Error(); got != "NetworkError [zerodha]: quote fetch failed" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	if KindOf(nil) != "" {
		t.Error("KindOf(nil) must be empty")
	}
	if KindOf(E(KindRejected, "venue said no")) != KindRejected {
		t.Error("KindOf must surface canonical kind")
	}
	if KindOf(fmt.Errorf("plain")) != KindInternal {
		t.Error("unclassified errors must report Internal")
	}
	// Kind survives wrapping in fmt.Errorf.
	wrapped := fmt.Errorf("place order: %w", E(KindMarketClosed, "closed"))
	if KindOf(wrapped) != KindMarketClosed {
		t.Error("KindOf must unwrap through fmt.Errorf")
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	if !IsRetryable(fmt.Errorf("read: %w", E(KindNetworkError, "reset"))) {
		t.Error("wrapped NetworkError must be retryable")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain error must not be retryable")
	}
}
