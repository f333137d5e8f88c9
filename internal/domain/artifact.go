package domain

const (
	ArtifactSuffix      = ".thumbdata"
	ArtifactContentType = "application/octet-stream"

	MetadataKeyDominantColor = "dominantColor"
)

func ArtifactName(objectName string) string {
	return objectName + ArtifactSuffix
}

// MergeMetadata builds the artifact metadata. The source object's own
// metadata is applied last, so its keys win over computed values.
func MergeMetadata(dominantColor string, original map[string]string) map[string]string {
	out := make(map[string]string, len(original)+1)
	if dominantColor != "" {
		out[MetadataKeyDominantColor] = dominantColor
	}
	for k, v := range original {
		out[k] = v
	}
	return out
}
