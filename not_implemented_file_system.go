// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package fuse

import "golang.org/x/net/context"

// Embed this within a file system type to inherit a default Init that
// simply succeeds. It does not provide defaults for the rest of FileSystem:
// unlike the mutating ops a read-only file system can legitimately ignore,
// every remaining method is load-bearing for a mount to do anything useful,
// so forgetting one is a compile error rather than a silent ENOSYS.
type NotImplementedFileSystem struct {
}

func (fs *NotImplementedFileSystem) Init(
	ctx context.Context,
	req *InitRequest) (*InitResponse, error) {
	return &InitResponse{}, nil
}
