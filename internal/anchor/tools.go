//go:build tools

// Pins the code generator used to produce the account packages from the
// program IDLs.
package anchor

import (
	_ "github.com/gagliardetto/anchor-go"
)
