// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package syscall

import (
	"strings"

	kernelerrors "github.com/nucleuscore/nucleus/pkg/errors"
)

// SanitizePath validates a path copied in from user space per spec §6's VFS
// contract: rejected if it contains a null mid-string (already impossible
// once CopyInString has run, since that scan stops at the first NUL) or a
// ".." component the caller is not allowed to traverse. allowTraversal lets
// a caller (chroot-confined or not) opt in to ".." when its policy permits
// it; the default VFS entry points call this with allowTraversal=false.
func SanitizePath(path string, allowTraversal bool) (string, error) {
	if path == "" {
		return "", kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.SanitizePath", "empty path")
	}
	if len(path) > MaxPathLen {
		return "", kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.SanitizePath", "path exceeds %d bytes", MaxPathLen)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return "", kernelerrors.Newf(kernelerrors.KindInvalidArgument, "syscall.SanitizePath", "embedded NUL")
	}
	if !allowTraversal {
		for _, comp := range strings.Split(path, "/") {
			if comp == ".." {
				return "", kernelerrors.Wrap(kernelerrors.KindPermission, "syscall.SanitizePath", kernelerrors.ErrPermissionDenied)
			}
		}
	}
	return path, nil
}
