package main

import (
	"fmt"
	"runtime"

	"github.com/any-hub/offline-hub/internal/version"
)

// printVersion 输出版本、提交与构建所用的 Go 版本。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s/%s %s\n", version.Full(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
