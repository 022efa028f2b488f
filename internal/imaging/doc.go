// Package imaging turns a raw screen capture into the image delivered to the
// caller and the working copy handed to OCR.
//
// Processing runs in a fixed order:
//   - Decode the capture (PNG, JPEG or GIF)
//   - Convert to the canonical color model (8-bit non-premultiplied RGBA)
//   - Crop the configured margins (by default 60px of window chrome at the
//     top and 20px of scrollbar on the right)
//   - Encode the result as PNG for delivery
//   - Derive a grayscale, contrast-boosted copy for text extraction
//
// # Coordinate System
//
// All pixel coordinates in this package are 0-based with (0,0) at the top-left
// corner. For regions, (x1,y1) is inclusive and (x2,y2) is exclusive.
//
// # Margins Larger Than the Image
//
// If the margins would leave nothing (or less than one pixel) of the image,
// cropping is skipped and the full canonical image is delivered. This keeps
// tiny captures, such as a single small window, usable.
//
// # Blank Captures
//
// A capture whose sampled pixels are all perceptually the same color (CIE Lab
// distance below a small tolerance) is flagged as blank. This usually means
// the display server refused the capture. The result is still delivered; the
// flag is informational.
//
// # Thread Safety
//
// Processor holds only configuration and is safe for concurrent use. Each call
// works on its own decoded image.
package imaging
