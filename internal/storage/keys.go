package storage

import "fmt"

// Namespace prefixes in the bucket.
const (
	InputsPrefix   = "inputs"
	OutputsPrefix  = "outputs"
	PreviewsPrefix = "chunk_previews"
	TempPrefix     = "temp_chunks"
)

// InputKey addresses a transient input object for a generation.
func InputKey(generationID, name string) string {
	return fmt.Sprintf("%s/%s/%s", InputsPrefix, generationID, name)
}

// TempChunkKey addresses a sliced driver chunk awaiting synthesis.
func TempChunkKey(jobID string, index int) string {
	return fmt.Sprintf("%s/%s/chunk_%03d.mp4", TempPrefix, jobID, index)
}

// OutputChunkKey addresses a finished, audio-aligned chunk.
func OutputChunkKey(id string, index int) string {
	return fmt.Sprintf("%s/%s/chunk_%03d.mp4", OutputsPrefix, id, index)
}

// OutputFinalKey addresses the stitched final artifact.
func OutputFinalKey(id string) string {
	return fmt.Sprintf("%s/%s/final.mp4", OutputsPrefix, id)
}

// PreviewKey addresses a preview object under a per-request unique prefix.
func PreviewKey(generationID, requestID, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", PreviewsPrefix, generationID, requestID, name)
}
