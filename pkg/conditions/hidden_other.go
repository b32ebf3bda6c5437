//go:build !darwin

package conditions

import "os"

func hiddenAttribute(os.FileInfo) bool {
	return false
}
