package storage

import (
	"fmt"
	"path"
	"strings"
)

// LabelKind distinguishes the carrier's raw label from the print-ready rendition.
type LabelKind string

const (
	LabelGenerated LabelKind = "generated"
	LabelPrinted   LabelKind = "printed"
)

// LabelObjectPath returns the object key for a shipment label:
// labels/{orderID}/{shipmentID}/{kind}{ext}.
func LabelObjectPath(orderID, shipmentID string, kind LabelKind, ext string) (string, error) {
	order, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	shipment, err := validateSegment("shipmentID", shipmentID)
	if err != nil {
		return "", err
	}
	switch kind {
	case LabelGenerated, LabelPrinted:
	default:
		return "", fmt.Errorf("storage: unsupported label kind %q", kind)
	}
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		ext = ".pdf"
	}
	if !strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, "/\\") || len(ext) > 6 {
		return "", fmt.Errorf("storage: invalid label extension %q", ext)
	}
	return path.Join("labels", order, shipment, string(kind)+ext), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, "/\\"):
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
