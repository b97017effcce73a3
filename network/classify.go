package network

// Class is the reserved-range category of a destination address
type Class uint8

const (
	ClassPublic Class = iota
	ClassPrivate10
	ClassPrivate172
	ClassPrivate192
	ClassZeroNet
	ClassLoopback
)

var classNames = map[Class]string{
	ClassPublic:     "public",
	ClassPrivate10:  "private10",
	ClassPrivate172: "private172",
	ClassPrivate192: "private192",
	ClassZeroNet:    "zeronet",
	ClassLoopback:   "loopback",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown"
}

// reserved blocks, checked in order
var reserved = []struct {
	prefix Address
	mask   Address
	class  Class
}{
	{AddressFrom4(10, 0, 0, 0), 0xff000000, ClassPrivate10},     // 10/8
	{AddressFrom4(172, 16, 0, 0), 0xfff00000, ClassPrivate172},  // 172.16/12
	{AddressFrom4(192, 168, 0, 0), 0xffff0000, ClassPrivate192}, // 192.168/16
	{AddressFrom4(0, 0, 0, 0), 0xff000000, ClassZeroNet},        // 0/8
	{AddressFrom4(127, 0, 0, 0), 0xff000000, ClassLoopback},     // 127/8
}

// Classify maps an address to its reserved-range class, or ClassPublic
func Classify(a Address) Class {
	for _, r := range reserved {
		if a&r.mask == r.prefix {
			return r.class
		}
	}
	return ClassPublic
}

// IsReportable reports whether connections to a should be published
func IsReportable(a Address) bool {
	return Classify(a) == ClassPublic
}
