package constants

// Attachment kinds carried by chat messages
const (
	AttachmentImage = "image"
	AttachmentVideo = "video"
	AttachmentAudio = "audio"
	AttachmentFile  = "file"
)

// AttachmentKinds maps file extensions to the attachment kind shown in chat
var AttachmentKinds = map[string]string{
	".jpg":  AttachmentImage,
	".jpeg": AttachmentImage,
	".png":  AttachmentImage,
	".gif":  AttachmentImage,
	".webp": AttachmentImage,
	".heic": AttachmentImage,

	".mp4": AttachmentVideo,
	".mov": AttachmentVideo,

	".ogg": AttachmentAudio,
	".mp3": AttachmentAudio,
	".m4a": AttachmentAudio,
	".wav": AttachmentAudio,

	".pdf":  AttachmentFile,
	".doc":  AttachmentFile,
	".docx": AttachmentFile,
	".txt":  AttachmentFile,
}

// ValidAttachmentKinds lists the kinds a client may declare
var ValidAttachmentKinds = map[string]bool{
	AttachmentImage: true,
	AttachmentVideo: true,
	AttachmentAudio: true,
	AttachmentFile:  true,
}
