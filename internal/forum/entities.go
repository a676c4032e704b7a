package forum

// Notification types emitted by the derived-state engine.
const (
	NotificationComment     = "comment"
	NotificationReply       = "reply"
	NotificationLevelUp     = "level_up"
	NotificationQuest       = "quest"
	NotificationAchievement = "achievement"
	NotificationDailyPost   = "daily_post"
)

// ActiveItems records the cosmetic effects a user has equipped.
type ActiveItems struct {
	NameColor string `json:"name_color,omitempty"`
	NameStyle string `json:"name_style,omitempty"`
	Badge     string `json:"badge,omitempty"`
}

// QuestCounters accumulate the activity that quests and achievements are measured on.
type QuestCounters struct {
	PostCount       int64 `json:"post_count"`
	CommentCount    int64 `json:"comment_count"`
	AttendanceCount int64 `json:"attendance_count"`
}

// User is the typed view of a users document.
type User struct {
	ID              string        `json:"id"`
	Username        string        `json:"username"`
	Email           string        `json:"email,omitempty"`
	AvatarURL       string        `json:"avatar_url,omitempty"`
	IsAdmin         bool          `json:"is_admin,omitempty"`
	Level           int64         `json:"level"`
	Exp             int64         `json:"exp"`
	Points          int64         `json:"points"`
	Inventory       []string      `json:"inventory"`
	ActiveItems     ActiveItems   `json:"active_items"`
	BlockedUsers    []string      `json:"blocked_users"`
	ScrappedPosts   []string      `json:"scrapped_posts"`
	Achievements    []string      `json:"achievements"`
	CompletedQuests []string      `json:"completed_quests"`
	Quests          QuestCounters `json:"quests"`
	LastCheckIn     string        `json:"last_check_in,omitempty"`
	LastPostDay     string        `json:"last_post_day,omitempty"`
	CreatedAt       int64         `json:"created_at"`
}

// Owns reports whether the item is already in the inventory.
func (u User) Owns(itemID string) bool {
	for _, owned := range u.Inventory {
		if owned == itemID {
			return true
		}
	}
	return false
}

// PollOption is one answer of an embedded poll.
type PollOption struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Votes int64  `json:"votes"`
}

// Poll is embedded in a post.
type Poll struct {
	Question   string       `json:"question"`
	Options    []PollOption `json:"options"`
	VotedUsers []string     `json:"voted_users"`
}

// Post is the typed view of a posts document.
type Post struct {
	ID           string   `json:"id"`
	BoardID      string   `json:"board_id"`
	AuthorID     string   `json:"author_id"`
	Category     string   `json:"category,omitempty"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	ViewCount    int64    `json:"view_count"`
	Upvotes      int64    `json:"upvotes"`
	Downvotes    int64    `json:"downvotes"`
	LikedUsers   []string `json:"liked_users"`
	CommentCount int64    `json:"comment_count"`
	IsHot        bool     `json:"is_hot"`
	Images       []string `json:"images,omitempty"`
	Poll         *Poll    `json:"poll,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// Comment is the typed view of a comments document.
type Comment struct {
	ID        string `json:"id"`
	PostID    string `json:"post_id"`
	AuthorID  string `json:"author_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Content   string `json:"content"`
	Depth     int64  `json:"depth"`
	CreatedAt int64  `json:"created_at"`
}

// Notification is the typed view of a notifications document.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	Link      string `json:"link"`
	IsRead    bool   `json:"is_read"`
	CreatedAt int64  `json:"created_at"`
}

// WikiPage is keyed by its slug.
type WikiPage struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	LastUpdated int64  `json:"last_updated"`
	LastEditor  string `json:"last_editor"`
	CreatedAt   int64  `json:"created_at"`
}

// ChatMessage is one line of the live chat.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	UserLevel int64  `json:"user_level"`
	CreatedAt int64  `json:"created_at"`
}

// Board is static seed data; boards are not synchronized.
type Board struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// ShopItem is a purchasable cosmetic.
type ShopItem struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Price       int64  `json:"price" yaml:"price"`
	Type        string `json:"type" yaml:"type"`
	Value       string `json:"value" yaml:"value"`
	Icon        string `json:"icon" yaml:"icon"`
}
