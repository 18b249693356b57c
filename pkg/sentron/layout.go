package sentron

// LayoutKind names the byte layout a reply was decoded with.
type LayoutKind uint8

const (
	// LayoutLegacy is used for any unrecognised command code. Early firmware only sends this.
	LayoutLegacy LayoutKind = iota
	// LayoutIdentity is the short reply to a discover probe.
	LayoutIdentity
	// LayoutVersion is the long reply to a version query.
	LayoutVersion
)

func (k LayoutKind) String() string {
	switch k {
	case LayoutIdentity:
		return "identity"
	case LayoutVersion:
		return "version"
	}
	return "legacy"
}

// span is a fixed window [Offset, Offset+Size) in a reply. A zero Size means the layout lacks the field.
type span struct {
	Offset int
	Size   int
}

func (s span) end() int      { return s.Offset + s.Size }
func (s span) present() bool { return s.Size > 0 }

// Layout is the offset table for one reply variant.
type Layout struct {
	Kind LayoutKind

	Reserved   span
	IP         span
	Netmask    span
	Gateway    span
	Product    span
	PlantID    span
	Software   span
	Bootloader span
}

// addresses returns the ip/netmask/gateway triple starting at off.
func addresses(off int) (ip, netmask, gateway span) {
	return span{off, 4}, span{off + 4, 4}, span{off + 8, 4}
}

var layouts = func() map[CommandCode]Layout {
	identity := Layout{
		Kind:    LayoutIdentity,
		Product: span{20, 20},
		PlantID: span{40, 32},
	}
	identity.IP, identity.Netmask, identity.Gateway = addresses(8)

	// 12 bytes between the MAC and the addresses are not understood yet.
	version := Layout{
		Kind:       LayoutVersion,
		Reserved:   span{8, 12},
		Product:    span{84, 20},
		PlantID:    span{104, 32},
		Software:   span{192, 4},
		Bootloader: span{196, 4},
	}
	version.IP, version.Netmask, version.Gateway = addresses(20)

	return map[CommandCode]Layout{
		ResponseIdentity: identity,
		ResponseVersion:  version,
	}
}()

var legacyLayout = func() Layout {
	l := Layout{Kind: LayoutLegacy}
	l.IP, l.Netmask, l.Gateway = addresses(headerSize)
	return l
}()

// LayoutFor selects the layout for a reply by its own command code, never by the probe that caused it.
func LayoutFor(command CommandCode) Layout {
	if l, ok := layouts[command]; ok {
		return l
	}
	return legacyLayout
}

// Field is one named entry of a layout's offset table.
type Field struct {
	Name   string
	Offset int
	Size   int
}

// Fields lists the fields the layout reads past the header, in decode order.
func (l Layout) Fields() []Field {
	all := []struct {
		name string
		s    span
	}{
		{"reserved", l.Reserved},
		{"ip", l.IP},
		{"netmask", l.Netmask},
		{"gateway", l.Gateway},
		{"product", l.Product},
		{"plant_id", l.PlantID},
		{"software_version", l.Software},
		{"bootloader_version", l.Bootloader},
	}

	fields := make([]Field, 0, len(all))
	for _, f := range all {
		if f.s.present() {
			fields = append(fields, Field{Name: f.name, Offset: f.s.Offset, Size: f.s.Size})
		}
	}
	return fields
}

// MinLength is the shortest reply this layout can decode.
func (l Layout) MinLength() int {
	n := headerSize
	for _, f := range l.Fields() {
		if end := f.Offset + f.Size; end > n {
			n = end
		}
	}
	return n
}
