package vars

import "unsafe"

// bindVariable reinterprets a pool's raw byte slice as the Variable's
// element type and attaches it: one metadata entry per allocated array
// name, later bound to a typed view over the underlying buffer.
func bindVariable(v *Variable, raw []byte) {
	n := int(v.Bytes()) / v.Spec.Precision.elemSize()
	if v.Spec.Precision == Float32 {
		v.bindFlat32(unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n))
		return
	}
	v.bindFlat64(unsafe.Slice((*float64)(unsafe.Pointer(&raw[0])), n))
}
