// SPDX-License-Identifier: AGPL-3.0-or-later
// busmesh - Typed message bus for cooperating endpoints
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/busmesh/busmesh>

package main

import (
	"fmt"
	"os"

	"github.com/USA-RedDragon/configulator"
	"github.com/busmesh/busmesh/cmd"
	"github.com/busmesh/busmesh/internal/config"
)

// version and commit are stamped at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// run builds the configulator instance, binds it to the root command's
// context the way NewCommand's subcommands expect to find it with
// configulator.FromContext, and executes the selected subcommand.
func run() int {
	c := configulator.New[config.Config]()

	root := cmd.NewCommand(version, commit)
	ctx := c.WithContext(root.Context())
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
