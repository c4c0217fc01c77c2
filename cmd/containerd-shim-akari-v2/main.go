// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"github.com/containerd/containerd/runtime/v2/shim"

	"github.com/retrage/akari/containerdshim"
)

func main() {
	shim.Run("io.containerd.akari.v2", containerdshim.New)
}
