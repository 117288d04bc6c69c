package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill message metadata into flowbus metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts flowbus metadata into a Watermill metadata map.
func ToWatermill(md Metadata) message.Metadata {
	if len(md) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
