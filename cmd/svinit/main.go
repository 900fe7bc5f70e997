/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"os"

	"github.com/svinit/svinit/cmd/svinit/app"
)

func main() {
	a := app.New()
	app.Exit(a.Run(os.Args))
}
