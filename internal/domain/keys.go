package domain

import "fmt"

// Object-store key layout. Every blob the core touches lives under one of
// these keys; the prefix helpers drive cascade deletion.
//
//	documents/<ownerId>/<kbId>/<documentId>/<filename>   original upload
//	chunks/<kbId>/<documentId>.json                      chunks blob
//	indexes/<kbId>/index.bin                             serialized index
//	indexes/<kbId>/index.meta.json                       index descriptor

// DocumentKey returns the key of an uploaded original file.
func DocumentKey(ownerID, kbID, documentID, filename string) string {
	return fmt.Sprintf("documents/%s/%s/%s/%s", ownerID, kbID, documentID, filename)
}

// ChunksKey returns the key of a document's chunks blob.
func ChunksKey(kbID, documentID string) string {
	return fmt.Sprintf("chunks/%s/%s.json", kbID, documentID)
}

// IndexKey returns the key of a KB's serialized vector index payload.
func IndexKey(kbID string) string {
	return fmt.Sprintf("indexes/%s/index.bin", kbID)
}

// IndexMetaKey returns the key of a KB's index descriptor.
func IndexMetaKey(kbID string) string {
	return fmt.Sprintf("indexes/%s/index.meta.json", kbID)
}

// DocumentsPrefix covers every original file of a KB.
func DocumentsPrefix(ownerID, kbID string) string {
	return fmt.Sprintf("documents/%s/%s/", ownerID, kbID)
}

// DocumentPrefix covers one document's original file(s).
func DocumentPrefix(ownerID, kbID, documentID string) string {
	return fmt.Sprintf("documents/%s/%s/%s/", ownerID, kbID, documentID)
}

// ChunksPrefix covers every chunks blob of a KB.
func ChunksPrefix(kbID string) string {
	return fmt.Sprintf("chunks/%s/", kbID)
}

// IndexPrefix covers a KB's index payload and descriptor.
func IndexPrefix(kbID string) string {
	return fmt.Sprintf("indexes/%s/", kbID)
}
