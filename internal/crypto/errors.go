package crypto

import "errors"

// Rejection reasons returned by Context.Open and the CMS operations.
var (
	ErrMisconfigured    = errors.New("crypto misconfigured")
	ErrMissingKeys      = errors.New("missing keys")
	ErrDecrypt          = errors.New("decrypt failed")
	ErrVerify           = errors.New("verify failed")
	ErrHijacked         = errors.New("hijacked message")
	ErrReplay           = errors.New("message outside time window")
	ErrBlobHashMismatch = errors.New("blob hash mismatch")
	ErrBlobHashMissing  = errors.New("blob hash missing")
	ErrBlobMissing      = errors.New("blob hash without blob")
	ErrNotEncrypted     = errors.New("expected encrypted message")
	ErrCannotDecrypt    = errors.New("encrypted message but no decrypt key")
	ErrUnsigned         = errors.New("expected signed message")
	ErrBadPayload       = errors.New("bad payload")
)
