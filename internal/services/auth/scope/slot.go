package scope

// Slot is one unit of data a client requests: either a singular field or a
// plural category under a specific tag.
type Slot struct {
	Field    Field
	Category Category
	Tag      Tag
}

// FieldSlot returns the slot for a singular field.
func FieldSlot(f Field) Slot {
	return Slot{Field: f}
}

// EntitySlot returns the slot for a category under tag.
func EntitySlot(c Category, t Tag) Slot {
	return Slot{Category: c, Tag: t}
}

// IsField reports whether the slot is a singular field.
func (s Slot) IsField() bool {
	return s.Field != ""
}

// Key returns the form key collecting the slot's value. Address slots use
// the key as a prefix for their sub-fields.
func (s Slot) Key() string {
	if s.IsField() {
		return string(s.Field)
	}
	switch s.Category {
	case Emails:
		return "email"
	case PhoneNumbers:
		switch s.Tag {
		case TagMobile:
			return string(MobilePhoneNumber)
		case TagLandline:
			return string(LandlinePhoneNumber)
		default:
			return "phone_number"
		}
	case Addresses:
		switch s.Tag {
		case TagShipping:
			return "shipping_address"
		case TagBilling:
			return "billing_address"
		default:
			return "address"
		}
	}
	return string(s.Category)
}

// String is the slot's form key.
func (s Slot) String() string {
	return s.Key()
}

// Slots expands a client's scope and flags into the ordered slots it
// requests. Phone flags split phone_numbers into typed slots; the address
// flag splits addresses into shipping and billing.
func Slots(s Scope, f Flags) []Slot {
	var slots []Slot
	for _, field := range s.Fields() {
		slots = append(slots, FieldSlot(field))
	}
	for _, c := range s.Categories() {
		for _, t := range RequestedTags(c, f) {
			slots = append(slots, EntitySlot(c, t))
		}
	}
	return slots
}

// RequestedTags returns the tags a category is requested under given flags.
func RequestedTags(c Category, f Flags) []Tag {
	switch c {
	case PhoneNumbers:
		var tags []Tag
		if f.Has(MobilePhoneNumber) {
			tags = append(tags, TagMobile)
		}
		if f.Has(LandlinePhoneNumber) {
			tags = append(tags, TagLandline)
		}
		if len(tags) == 0 {
			tags = append(tags, TagUnknown)
		}
		return tags
	case Addresses:
		if f.Has(SeparateShippingBillingAddress) {
			return []Tag{TagShipping, TagBilling}
		}
		return []Tag{TagUnknown}
	default:
		return []Tag{TagUnknown}
	}
}
