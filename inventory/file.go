package inventory

// File is a member of exactly one Block, created when the block loads its
// file set and destroyed when the block is unlinked.
type File struct {
	LFN  string
	Size int64
}
