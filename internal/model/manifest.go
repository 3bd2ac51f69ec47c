package model

import "fmt"

// DefaultRepo hosts the converted bundle.
const DefaultRepo = "voiceclone/chatterbox-bundle"

// Manifest pins a Hugging Face repo revision and the files fetched from it.
type Manifest struct {
	Repo     string      `json:"repo"`
	Revision string      `json:"revision"`
	Files    []ModelFile `json:"files"`
}

// ModelFile is one file of a manifest. An empty SHA256 is resolved from the
// Hub's LFS metadata at download time and then recorded in the lock file;
// Unverified files (small git-tracked text) are only hashed into the lock.
type ModelFile struct {
	Filename   string `json:"filename"`
	SHA256     string `json:"sha256,omitempty"`
	Unverified bool   `json:"unverified,omitempty"`
}

var pinnedRevisions = map[string]string{
	DefaultRepo: "main",
}

// PinnedManifest lists the files of the default bundle layout for repo. An
// empty revision selects the pinned one.
func PinnedManifest(repo, revision string) (Manifest, error) {
	if repo == "" {
		return Manifest{}, fmt.Errorf("model: repo is required")
	}

	if revision == "" {
		pinned, ok := pinnedRevisions[repo]
		if !ok {
			return Manifest{}, fmt.Errorf("model: no pinned revision for repo %q; pass a revision", repo)
		}

		revision = pinned
	}

	b := DefaultBundle()

	return Manifest{Repo: repo, Revision: revision, Files: bundleFiles(&b)}, nil
}

func bundleFiles(b *Bundle) []ModelFile {
	files := []ModelFile{{Filename: BundleFile, Unverified: true}}
	for _, f := range b.Files() {
		// the tokenizer vocabulary is a git-tracked text file, not LFS
		files = append(files, ModelFile{Filename: f, Unverified: f == b.Tokenizer})
	}

	return files
}
