package retry

import (
	"strings"

	svcerrors "github.com/ste-bah/rollup-engine/infrastructure/errors"
)

// transientSignatures lists the network-error substrings §4.G calls out as
// retryable: "connection refused, reset, timeout, DNS failure, socket hang
// up".
var transientSignatures = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timeout",
	"no such host",
	"dns",
	"socket hang up",
	"eof",
	"broken pipe",
}

// terminalCodes never retry regardless of message content (§4.G: "Terminal:
// validation errors, authorization errors, RollupConfigurationError,
// unknown-rollup").
var terminalCodes = map[svcerrors.ErrorCode]bool{
	svcerrors.CodeValidation:    true,
	svcerrors.CodeConfiguration: true,
	svcerrors.CodeNotFound:      true,
}

// IsRetryable classifies err as retryable/terminal per §4.G.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se := svcerrors.GetServiceError(err); se != nil {
		if terminalCodes[se.Code] {
			return false
		}
		if se.Transient {
			return true
		}
		if se.Code == svcerrors.CodeExecution {
			return se.Retryable()
		}
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
