// Package unpack provides streaming readers for archive containers and
// the compression primitives they are built on.
//
// The work lives in the subpackages:
//   - [github.com/meigma/unpack/sevenz]: a random-access reader for the 7z
//     container format with composable coder pipelines, solid compression
//     and bounded-memory header parsing
//   - [github.com/meigma/unpack/lz77]: the sliding-window hash-chain
//     matcher shared by LZ77 derived encoders
//   - [github.com/meigma/unpack/lz4]: an LZ4 block format writer built on
//     the lz77 matcher
//   - [github.com/meigma/unpack/spool]: a file-backed scatter/gather store
//     for entries compressed on multiple goroutines
//
// # Quick Start
//
// Read all entries of a 7z archive sequentially:
//
//	r, err := sevenz.OpenReader("archive.7z")
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//	for {
//	    entry, err := r.NextEntry()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    if _, err := io.Copy(dst, r); err != nil {
//	        return err
//	    }
//	}
//
// Random access to a single entry:
//
//	content, err := r.EntryReader(r.Entries()[3])
//
// Archives whose metadata would need more memory than acceptable can be
// rejected up front:
//
//	r, err := sevenz.OpenReader("archive.7z", sevenz.WithMaxMemoryLimitKiB(64<<10))
package unpack
