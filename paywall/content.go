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

package paywall

import (
	"net/http"
	"os"
)

// Content produces the body of a resource. Serve returns the body and the
// HTTP status to answer with.
type Content interface {
	Serve(r *http.Request) ([]byte, int)
}

// StaticFile serves the file at Path, read on every request.
type StaticFile struct {
	Path string
}

// Serve implements Content.
func (f StaticFile) Serve(*http.Request) ([]byte, int) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, http.StatusNotFound
	} else if err != nil {
		return nil, http.StatusInternalServerError
	}
	return data, http.StatusOK
}

// Value serves a fixed body.
type Value []byte

// Serve implements Content.
func (v Value) Serve(*http.Request) ([]byte, int) {
	return v, http.StatusOK
}

// Func serves the result of calling itself.
type Func func(r *http.Request) ([]byte, int)

// Serve implements Content.
func (f Func) Serve(r *http.Request) ([]byte, int) {
	return f(r)
}
