// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redirect follows HTTP redirects for requests that allow it.
package redirect

import (
	"context"
	"fmt"

	"github.com/bufbuild/httppool/request"
)

// Executor sends a request and returns its completion handle.
// *httppool.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req *request.Request) (*request.Future, error)
}

// Follow executes req and keeps replaying it against the Location of each
// redirect response while req.CanRedirect allows. It returns the first
// response that is not followed, which is a redirect response when the
// limit ran out or redirects are disabled.
func Follow(ctx context.Context, exec Executor, req *request.Request) (*request.Response, error) {
	current := req
	for {
		future, err := exec.Execute(ctx, current)
		if err != nil {
			return nil, err
		}
		resp, err := future.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if !resp.IsRedirect() || !current.CanRedirect() {
			return resp, nil
		}
		next, err := current.RedirectTo(resp.Header.Get("Location"), resp.StatusCode)
		if err != nil {
			return nil, fmt.Errorf("following %d redirect: %w", resp.StatusCode, err)
		}
		current = next
	}
}
