// Copyright 2025 The lilac Authors
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

package store

import (
	"fmt"
	"regexp"
)

// rewriteVersion applies a trigger's from/to pattern pair to a version
// string.
func rewriteVersion(v, from, to string) (string, error) {
	re, err := regexp.Compile(from)
	if err != nil {
		return "", fmt.Errorf("bad from_pattern %q: %w", from, err)
	}
	return re.ReplaceAllString(v, to), nil
}
