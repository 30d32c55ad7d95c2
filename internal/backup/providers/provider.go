// Package providers defines storage backends for update backups.
package providers

// BackupProvider abstracts where snapshot files are stored.
type BackupProvider interface {
	// Upload copies a local file into the backup store at remotePath.
	Upload(localPath, remotePath string) error
	// Download retrieves remotePath from the store into localPath.
	Download(remotePath, localPath string) error
	// List enumerates stored files under the given prefix, as
	// slash-separated paths relative to the store root.
	List(prefix string) ([]string, error)
	// Delete removes a stored file. Deleting a missing file is not an error.
	Delete(remotePath string) error
}
