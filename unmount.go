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

package fuse

import (
	"errors"
	"os/exec"
)

// An error for a mount point that appears to already be managed by
// something other than this process (e.g. it was unmounted out from under
// us, or was never actually a FUSE mount). Unmount does not return it: a
// failing fusermount is reported as a plain error carrying its output.
var ErrExternallyManagedMountPoint = errors.New(
	"fuse: mount point is not managed by this process")

func findFusermount() (path string, err error) {
	for _, candidate := range []string{"fusermount3", "fusermount"} {
		path, err = exec.LookPath(candidate)
		if err == nil {
			return
		}
	}

	err = errors.New("fuse: could not find fusermount or fusermount3 on PATH")
	return
}

// Unmount attempts to unmount the file system mounted at dir, previously
// mounted with Mount. This shells out to fusermount(1) rather than issuing
// the umount(2) syscall directly, matching what the kernel FUSE driver
// expects for a non-privileged unmount.
func Unmount(dir string) (err error) {
	fusermountPath, err := findFusermount()
	if err != nil {
		return err
	}

	cmd := exec.Command(fusermountPath, "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.New("fuse: fusermount -u " + dir + ": " + err.Error() + ": " + string(output))
	}

	return nil
}
