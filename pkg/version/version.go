// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package version holds the runtime version shared by the host binaries and
// the guest agent. The agent reports it during the handshake and the
// controller enforces compatibility.
package version

// Version is the semantic version of this build. Overridden at link time.
var Version = "0.1.0"
