// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lazyfs

import (
	"errors"

	fuse "github.com/lazymount/lazyfs"
	"github.com/lazymount/lazyfs/fetchqueue"
	"github.com/lazymount/lazyfs/hostfs"
	"github.com/lazymount/lazyfs/manifest"
)

// mapError translates the error taxonomy of the lower components
// (NoHelper, NoManifest, InvalidManifest, KindMismatch, TooLarge, Busy,
// Interrupted) into the errno values the kernel understands. Every one of
// these surfaces as a plain I/O error except Busy (EBUSY) and Interrupted
// (EINTR), matching §7's propagation rule.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fetchqueue.ErrNoHelper):
		return fuse.EIO
	case errors.Is(err, fetchqueue.ErrInterrupted):
		return fuse.EINTR
	case errors.Is(err, fetchqueue.ErrBusy):
		return fuse.EBUSY
	case errors.Is(err, hostfs.ErrNoManifest):
		return fuse.EIO
	case errors.Is(err, hostfs.ErrKindMismatch):
		return fuse.EIO
	case errors.Is(err, hostfs.ErrStillMissing):
		return fuse.EIO
	case errors.Is(err, manifest.ErrInvalidManifest):
		return fuse.EIO
	case errors.Is(err, manifest.ErrTooLarge):
		return fuse.EIO
	default:
		return fuse.EIO
	}
}
