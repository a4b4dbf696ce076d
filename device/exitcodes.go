package device

import (
	"errors"
	"io/fs"

	"github.com/veilfs/veilfs/config"
)

// Exit codes reported to the host when opening fails. Stable; scripts depend
// on them.
const (
	ExitSuccess                = 0
	ExitInaccessibleBaseDir    = 10
	ExitInaccessibleMountDir   = 11
	ExitFilesystemIdChanged    = 14
	ExitEncryptionKeyChanged   = 15
	ExitWrongPassword          = 16
	ExitTooNewFilesystemFormat = 17
	ExitTooOldFilesystemFormat = 18

	// ExitFailure covers everything without a dedicated code.
	ExitFailure = 1
)

// ExitCodeFor maps an Open error to its exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, config.ErrWrongPassword):
		return ExitWrongPassword
	case errors.Is(err, config.ErrFilesystemIDChanged):
		return ExitFilesystemIdChanged
	case errors.Is(err, config.ErrEncryptionKeyChanged):
		return ExitEncryptionKeyChanged
	case errors.Is(err, config.ErrTooNewFilesystemFormat):
		return ExitTooNewFilesystemFormat
	case errors.Is(err, config.ErrTooOldFilesystemFormat):
		return ExitTooOldFilesystemFormat
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return ExitInaccessibleBaseDir
	default:
		return ExitFailure
	}
}
