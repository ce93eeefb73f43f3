// Package store implements the write-ahead, text-file persistent store for
// peers and volumes. Every mutation is
// written to a "<path>.tmp" sibling and renamed into place so a crash never
// leaves a half-written record, and every volume carries a companion cksum
// file computed over the sorted lines of its info file.
package store
