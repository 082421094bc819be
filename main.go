// SPDX-License-Identifier: AGPL-3.0-or-later
// coredbus - An embeddable D-Bus message bus broker core
// Copyright (C) 2026 The coredbus Authors
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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/USA-RedDragon/configulator"

	"github.com/coredbus/broker/cmd"
	"github.com/coredbus/broker/internal/config"
)

// version and commit are set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	c, err := configulator.New[config.Config]()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build configulator:", err)
		os.Exit(1)
	}

	root := cmd.NewCommand(version, commit)
	ctx := c.IntoContext(context.Background())
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
