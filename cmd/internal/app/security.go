package app

import (
	"errors"
	"fmt"
)

const minPassphraseBytes = 12

// ErrPolicy is returned when the credential configuration violates
// TASKLINE_CREDENTIAL_REQUIRE_ENCRYPTION.
var ErrPolicy = errors.New("security policy")

// ValidateCredentialPolicy enforces the at-rest policy at startup.
//
// With RequireEncryption set, only the file backend is accepted, and only
// with a passphrase long enough to key the KDF. The memory backend never
// writes to disk so it always passes. The postgres backend stores tokens in
// plaintext rows and is refused.
func ValidateCredentialPolicy(cfg Config) error {
	if !cfg.RequireEncryption {
		return nil
	}

	switch cfg.CredentialBackend {
	case BackendMemory:
		return nil
	case BackendFile:
		// Bytes, not runes: the passphrase feeds argon2 as raw bytes.
		if len(cfg.CredentialPassphrase) == 0 {
			return fmt.Errorf("%w: encryption required but TASKLINE_CREDENTIAL_PASSPHRASE is missing", ErrPolicy)
		}
		if len(cfg.CredentialPassphrase) < minPassphraseBytes {
			return fmt.Errorf("%w: TASKLINE_CREDENTIAL_PASSPHRASE is too short (min %d bytes)", ErrPolicy, minPassphraseBytes)
		}
		return nil
	case BackendPostgres:
		return fmt.Errorf("%w: encryption required but the postgres backend stores tokens in plaintext", ErrPolicy)
	default:
		return fmt.Errorf("%w: unknown credential backend %q", ErrPolicy, cfg.CredentialBackend)
	}
}
