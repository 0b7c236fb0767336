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

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// AppName names the per-user application directory.
const AppName = "perun-eth-paywall"

// ErrInsecurePermissions is returned for files or directories that are
// accessible by other users or not owned by the current user.
var ErrInsecurePermissions = errors.New("file is accessible by other users or not owned by the current user")

// StateDirName returns the state directory name for a receiver on a
// contract, built from the first ten characters of both hex addresses.
func StateDirName(contract, receiver common.Address) string {
	return fmt.Sprintf("%s_%s", contract.Hex()[:10], receiver.Hex()[:10])
}

// DefaultStateDir returns the state directory below the user's config
// directory.
func DefaultStateDir(contract, receiver common.Address) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, AppName, StateDirName(contract, receiver)), nil
}

// CheckOwnerOnly returns ErrInsecurePermissions if path grants any
// permission to group or others, or is owned by another user.
func CheckOwnerOnly(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %v", ErrInsecurePermissions, path, fi.Mode().Perm())
	}
	if !ownedByCurrentUser(fi) {
		return fmt.Errorf("%w: %s", ErrInsecurePermissions, path)
	}
	return nil
}
