package ytapi

// Wire shapes for the Data API responses; only the fields we read.

type videosResponse struct {
	Items []struct {
		Snippet struct {
			ChannelID            string `json:"channelId"`
			LiveBroadcastContent string `json:"liveBroadcastContent"`
		} `json:"snippet"`
		LiveStreamingDetails struct {
			ActiveLiveChatID string `json:"activeLiveChatId"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

type liveChatResponse struct {
	NextPageToken         string `json:"nextPageToken"`
	PollingIntervalMillis int    `json:"pollingIntervalMillis"`
	PageInfo              struct {
		TotalResults int `json:"totalResults"`
	} `json:"pageInfo"`
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Type           string `json:"type"`
			DisplayMessage string `json:"displayMessage"`
			PublishedAt    string `json:"publishedAt"`
		} `json:"snippet"`
		AuthorDetails struct {
			ChannelID   string `json:"channelId"`
			DisplayName string `json:"displayName"`
		} `json:"authorDetails"`
	} `json:"items"`
}

type channelsResponse struct {
	Items []struct {
		ID string `json:"id"`
	} `json:"items"`
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
	} `json:"items"`
}
