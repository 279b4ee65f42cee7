// Package dicomtags reads the tags medpipe cares about from DICOM artifacts.
//
// Tags are addressed by human-readable catalog names ("subject identifier",
// "modality") grouped into the metadata categories used by the descriptor.
// Reader is the seam the workers depend on; DICOMReader is the production
// implementation.
package dicomtags
