// Package cache defines the disk-backed store that maps an asset locator to
// StoragePath/cache/<namespace>/<name>. Every directory segment of <name> is
// stored with a trailing "~", so x.mp4 and x.mp4/y.mp4 never compete for the
// same filesystem node. Finished artifacts appear only through
// Commit, which renames a staged file from StoragePath/temp into place while
// holding a per-locator lock, so readers never observe a partial file and a
// second producer never overwrites the first. The store also owns the staging
// area and an advisory lock file that keeps two processes from sharing one
// storage root.
package cache
