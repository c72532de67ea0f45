// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReleaseSemver(t *testing.T) {
	cases := []struct {
		release string
		want    string
	}{
		{"None", ""},
		{"v1.2.0", "1.2.0"},
		{"v1.2.0-rc.1", "1.2.0-rc.1"},
		{"v1.2.0-20-g1a2b3c4", "1.2.0"},
		{"1.2", ""},
	}
	old := ReleaseVersion
	defer func() { ReleaseVersion = old }()
	for _, c := range cases {
		ReleaseVersion = c.release
		require.Equal(t, c.want, ReleaseSemver(), c.release)
	}
}

func TestGetRawInfo(t *testing.T) {
	info := GetRawInfo()
	require.Contains(t, info, "Release Version: ")
	require.Contains(t, info, "Go Version: ")
}
