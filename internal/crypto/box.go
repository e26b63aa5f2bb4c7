package crypto

// Box binds a Cipher to the local user so callers only name the peer.
type Box struct {
	self   string
	cipher *Cipher
}

func NewBox(self string, c *Cipher) *Box {
	if c == nil {
		c = NewCipher()
	}
	return &Box{self: self, cipher: c}
}

func (b *Box) Self() string { return b.self }

func (b *Box) Cipher() *Cipher { return b.cipher }

// Key returns the conversation key shared with peer.
func (b *Box) Key(peer string) Key { return DeriveKey(b.self, peer) }

// Seal encrypts text for the conversation with peer.
func (b *Box) Seal(peer, text string) string {
	return b.cipher.Encrypt(text, b.Key(peer))
}

// Open decrypts text from the conversation with peer, returning it
// unchanged when it cannot be opened.
func (b *Box) Open(peer, text string) string {
	return b.cipher.Decrypt(text, b.Key(peer))
}
