// Package naming turns logical writer names into file paths confined to the
// active log directory.
//
// A name may contain sub directories. Names without an extension get
// DefaultExt, and an optional "YYYYMMDD-hhmmss-NNNN_" prefix keeps files
// created in the same second apart. Names that would leave the directory
// fail with errs.EPathEscape.
package naming
