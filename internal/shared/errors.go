package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLockNotObtained indicates another process holds the lock.
	ErrLockNotObtained = errors.New("lock not obtained")
	// ErrActorMissing indicates the request carried no actor identity.
	ErrActorMissing = errors.New("actor missing")
)

// UserSafeMessage returns a message suitable for end users. Only sentinel
// errors from this package are passed through verbatim.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "Data tidak ditemukan"
	case errors.Is(err, ErrLockNotObtained):
		return "Sedang diproses, silakan coba lagi"
	default:
		return "Terjadi kesalahan, silakan coba lagi"
	}
}
