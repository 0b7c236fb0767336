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

package util_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"perun.network/perun-eth-paywall/util"
)

func TestStateDirName(t *testing.T) {
	contract := common.HexToAddress("0xAbCdEf0123456789abcdef0123456789ABCDEF01")
	receiver := common.HexToAddress("0x1234567890123456789012345678901234567890")
	name := util.StateDirName(contract, receiver)
	require.Equal(t, contract.Hex()[:10]+"_"+receiver.Hex()[:10], name)
}

func TestCheckOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0o600))
	require.NoError(t, util.CheckOwnerOnly(path))

	require.NoError(t, os.Chmod(path, 0o644))
	require.ErrorIs(t, util.CheckOwnerOnly(path), util.ErrInsecurePermissions)

	require.Error(t, util.CheckOwnerOnly(filepath.Join(dir, "missing")))
}
