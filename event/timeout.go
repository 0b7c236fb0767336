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

package event

// DefaultChallengePeriod is the number of blocks a close request can be
// contested before the sender may settle.
const DefaultChallengePeriod = 500

// SettleBlock returns the first block in which a channel whose close was
// requested in closeBlock can be settled.
func SettleBlock(closeBlock, challengePeriod uint64) uint64 {
	return closeBlock + challengePeriod
}
