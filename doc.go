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

// Package fuse enables writing and mounting user-space file systems.
//
// The primary elements of interest are:
//
//  *  The FileSystem interface, which defines the methods a file system must
//     implement.
//
//  *  NotImplementedFileSystem, which may be embedded to obtain a default
//     Init; every other FileSystem method must be implemented.
//
//  *  Mount, a function that allows for mounting a file system.
//
// This package only ever mounts a read-only surface: the FileSystem
// interface has no method that lets the kernel ask for a mutation (create,
// write, rename, setattr, and so on). The server answers such ops with
// ENOSYS without calling the file system.
package fuse
