package mirror

type OpType string

const (
	OpUpload       OpType = "Upload"
	OpCreateFolder OpType = "CreateFolder"
	OpDownload     OpType = "Download"
	OpDeleteRemote OpType = "DeleteRemote"
	OpDeleteLocal  OpType = "DeleteLocal"
	OpMkdirLocal   OpType = "MkdirLocal"
)
