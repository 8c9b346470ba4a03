package nodeclient

import (
	"errors"
	"fmt"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// The four node-side failure categories. NetworkError and
// ResourceExhausted are retryable (domain.ErrNodeTransient);
// VerificationError and IncompatibleVersion are fatal
// (domain.ErrNodePermanent).
var (
	ErrNetwork            = fmt.Errorf("%w: network error", domain.ErrNodeTransient)
	ErrResourceExhausted  = fmt.Errorf("%w: node resource exhausted", domain.ErrNodeTransient)
	ErrVerification       = fmt.Errorf("%w: artifact verification failed on node", domain.ErrNodePermanent)
	ErrIncompatibleVersion = fmt.Errorf("%w: target version incompatible with node state", domain.ErrNodePermanent)
)

// Transient reports whether err should be retried by the strategy within
// its budget rather than failing the stage
// outright (NodePermanent).
func Transient(err error) bool {
	return errors.Is(err, domain.ErrNodeTransient)
}
