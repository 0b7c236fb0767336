// Copyright 2025 PolyCrypt GmbH
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

//go:build !unix && !windows

package store

import (
	"os"

	"github.com/pkg/errors"
)

// lockFile fails: the platform offers no file lock to keep a second process
// out of the state directory.
func lockFile(path string) (*os.File, error) {
	return nil, errors.WithMessagef(ErrLockUnsupported, "locking %s", path)
}

func unlockFile(f *os.File) error {
	return f.Close()
}
