// Package verify defines the narrow seam the pipeline's Verify stage calls
// to check an artifact's content digest and detached signature before any
// node is touched. Binary verification cryptography
// itself, and any vault-backed signing-key integration, are delegated to
// the concrete implementation the surrounding service supplies.
package verify

import (
	"context"

	"github.com/kubedeploy/orchestrator/internal/domain"
)

// Verifier checks an artifact's digest and signature. A non-nil error is
// always domain.ErrVerification (or wraps it) — the Verify stage treats
// any failure here as fatal with no retry.
type Verifier interface {
	Verify(ctx context.Context, artifact domain.Artifact) error
}

// DigestVerifier is a minimal Verifier that only checks that the digest
// and the signature are non-empty (the digest's format is not checked),
// standing in for the real cryptographic verifier the surrounding service
// plugs in.
// It never performs actual signature verification.
type DigestVerifier struct{}

func (DigestVerifier) Verify(_ context.Context, artifact domain.Artifact) error {
	if artifact.Digest == "" {
		return domain.ErrVerification
	}
	if artifact.Signature == "" {
		return domain.ErrVerification
	}
	return nil
}
