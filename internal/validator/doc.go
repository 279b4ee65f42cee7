// Package validator implements the first pipeline stage: structural
// validation of uploaded DICOM artifacts against the configured required tag
// set. A rejection is terminal and carries one reason per missing tag.
package validator
