package domain

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

type MediaKind int

const (
	VoiceOnly MediaKind = iota
	VoiceAndVideo
)

func MediaKindOf(isVideo bool) MediaKind {
	if isVideo {
		return VoiceAndVideo
	}
	return VoiceOnly
}

func (k MediaKind) HasVideo() bool { return k == VoiceAndVideo }

func (k MediaKind) String() string {
	if k == VoiceAndVideo {
		return "voice+video"
	}
	return "voice"
}

type TrackClass int

const (
	Audio TrackClass = iota
	Video
)

func (c TrackClass) String() string {
	if c == Video {
		return "video"
	}
	return "audio"
}
