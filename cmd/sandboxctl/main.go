// main.go: sandboxctl, a command line front end for the plugin registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

func main() {
	Execute()
}
