// kbuild builds Android arm64 kernels and packages them as AnyKernel3 zips.
package main

import (
	"os"

	"github.com/bitswalk/kbuild/src/kbuild/core"
)

func main() {
	os.Exit(core.Execute())
}
