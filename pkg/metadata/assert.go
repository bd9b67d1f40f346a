package metadata

import "github.com/marmos91/deltawal/pkg/upload"

var (
	_ upload.ObjectManager = (*Store)(nil)
	_ upload.StreamManager = (*Store)(nil)
	_ upload.BlockCache    = (*BlockCache)(nil)
)
